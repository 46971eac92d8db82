// Package redis wraps go-redis with logging, configuration defaults and a
// lifecycle component. The discovery redis backend builds its lease and
// record keys on the Client's TTL-aware commands.
//
//	cfg := redis.Config{Enabled: true, Addr: "localhost:6379"}
//	comp := redis.NewComponent(cfg, log)
//	if err := comp.Start(ctx); err != nil { ... }
//	ok, err := comp.Client().PExpire(ctx, "registrar:session:abc", 10*time.Second)
//
// Tests use redis/testutil, which serves the same Client from miniredis.
package redis
