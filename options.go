package flowlite

import (
	"errors"
	"fmt"
	"time"
)

type serverConfig struct {
	addr        string
	db          Database
	pollTimeout time.Duration
}

type ServerOption func(*serverConfig) error

// WithAddress sets the listen address, host:port. Port 0 binds an ephemeral
// port, readable afterwards through Server.Addr.
func WithAddress(addr string) ServerOption {
	return func(c *serverConfig) error {
		if addr == "" {
			return errors.Join(ErrBadRequest, fmt.Errorf("address cannot be empty"))
		}
		c.addr = addr
		return nil
	}
}

// WithServerDatabase replaces the default in-memory store. The caller keeps
// ownership: Stop will not close a store handed in this way.
func WithServerDatabase(db Database) ServerOption {
	return func(c *serverConfig) error {
		if db == nil {
			return errors.Join(ErrBadRequest, fmt.Errorf("database cannot be nil"))
		}
		c.db = db
		return nil
	}
}

// WithPollTimeout bounds how long the broker parks one poll request before
// answering empty.
func WithPollTimeout(d time.Duration) ServerOption {
	return func(c *serverConfig) error {
		if d <= 0 {
			return errors.Join(ErrBadRequest, fmt.Errorf("poll timeout must be positive"))
		}
		c.pollTimeout = d
		return nil
	}
}

type clientConfig struct {
	dialTimeout time.Duration
}

type ClientOption func(*clientConfig) error

// WithDialTimeout bounds the connection attempt of Dial.
func WithDialTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) error {
		if d <= 0 {
			return errors.Join(ErrBadRequest, fmt.Errorf("dial timeout must be positive"))
		}
		c.dialTimeout = d
		return nil
	}
}

type workerOptions struct {
	id            string
	reconnectBase time.Duration
	reconnectCap  time.Duration
	reconnectMax  uint64
}

type WorkerOption func(*workerOptions) error

// WithWorkerID pins the worker identity instead of generating one. The id is
// what the broker records on every invocation the worker executes.
func WithWorkerID(id string) WorkerOption {
	return func(o *workerOptions) error {
		if id == "" {
			return errors.Join(ErrBadRequest, fmt.Errorf("worker id cannot be empty"))
		}
		o.id = id
		return nil
	}
}

// WithReconnectBackoff tunes the backoff used when an established session is
// lost: exponential from base, capped at cap. The initial connection never
// retries, only established sessions do.
func WithReconnectBackoff(base, cap time.Duration) WorkerOption {
	return func(o *workerOptions) error {
		if base <= 0 || cap < base {
			return errors.Join(ErrBadRequest, fmt.Errorf("reconnect backoff must satisfy 0 < base <= cap"))
		}
		o.reconnectBase = base
		o.reconnectCap = cap
		return nil
	}
}

// WithReconnectAttempts bounds how many reconnect attempts are made before
// the worker gives up and its Run returns ErrConnection.
func WithReconnectAttempts(n uint64) WorkerOption {
	return func(o *workerOptions) error {
		if n == 0 {
			return errors.Join(ErrBadRequest, fmt.Errorf("reconnect attempts must be positive"))
		}
		o.reconnectMax = n
		return nil
	}
}
