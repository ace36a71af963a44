package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
)

func TestRedisStockCacheGetHit(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := NewRedisStockCache(db, "stock:", time.Minute)

	mock.ExpectGet("stock:v1").SetVal("42")

	qty, ok, err := c.Get(context.Background(), "v1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok || qty != 42 {
		t.Fatalf("expected hit with 42, got ok=%v qty=%d", ok, qty)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRedisStockCacheGetMiss(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := NewRedisStockCache(db, "stock:", time.Minute)

	mock.ExpectGet("stock:v1").RedisNil()

	_, ok, err := c.Get(context.Background(), "v1")
	if err != nil {
		t.Fatalf("miss must not be an error, got %v", err)
	}
	if ok {
		t.Fatal("expected miss")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRedisStockCacheGetError(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := NewRedisStockCache(db, "stock:", time.Minute)

	mock.ExpectGet("stock:v1").SetErr(errors.New("connection refused"))

	if _, _, err := c.Get(context.Background(), "v1"); err == nil {
		t.Fatal("expected error")
	}
}

func TestRedisStockCacheGetGarbage(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := NewRedisStockCache(db, "stock:", time.Minute)

	mock.ExpectGet("stock:v1").SetVal("not-a-number")

	if _, _, err := c.Get(context.Background(), "v1"); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestRedisStockCacheSetAndInvalidate(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := NewRedisStockCache(db, "stock:", time.Minute)

	mock.ExpectSet("stock:v1", "7", time.Minute).SetVal("OK")
	mock.ExpectDel("stock:v1").SetVal(1)

	if err := c.Set(context.Background(), "v1", 7); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := c.Invalidate(context.Background(), "v1"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestNewRedisStockCacheDefaults(t *testing.T) {
	db, _ := redismock.NewClientMock()
	c := NewRedisStockCache(db, "", 0)

	if c.prefix != "dayx:stock:" {
		t.Fatalf("unexpected prefix %q", c.prefix)
	}
	if c.ttl != DefaultStockTTL {
		t.Fatalf("unexpected ttl %v", c.ttl)
	}
}
