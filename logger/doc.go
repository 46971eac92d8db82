// Package logger provides structured logging on top of zerolog.
//
// Loggers are scoped per component and take fields as maps:
//
//	log := logger.Get("registry")
//	log.Info("endpoint registered", logger.Fields(
//	    logger.FieldServiceID, ep.ServiceID,
//	    logger.FieldSessionID, session.ID,
//	))
//
// # Configuration
//
//	logging:
//	  level: "info"
//	  format: "json"
package logger
