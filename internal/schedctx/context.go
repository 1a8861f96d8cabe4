// Package schedctx is an extension of Go's context that also carries a
// structured logger, modelled directly on the teacher's
// internal/common/armadacontext package. It lets every public State
// Manager operation take one argument instead of threading a logger
// alongside a plain context.Context.
package schedctx

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Context pairs a context.Context with a contextual logger.
type Context struct {
	context.Context
	Log *logrus.Entry
}

// Background returns an empty context with a default logger, analogous to
// context.Background().
func Background() *Context {
	return &Context{Context: context.Background(), Log: logrus.NewEntry(logrus.New())}
}

// New wraps an existing context.Context and logger.
func New(ctx context.Context, log *logrus.Entry) *Context {
	return &Context{Context: ctx, Log: log}
}

// WithTimeout returns a copy of parent with its deadline adjusted to no
// later than now+timeout, analogous to context.WithTimeout.
func WithTimeout(parent *Context, timeout time.Duration) (*Context, context.CancelFunc) {
	c, cancel := context.WithTimeout(parent.Context, timeout)
	return &Context{Context: c, Log: parent.Log}, cancel
}

// WithLogField returns a copy of parent with key/val added to the logger.
func WithLogField(parent *Context, key string, val interface{}) *Context {
	return &Context{Context: parent.Context, Log: parent.Log.WithField(key, val)}
}

// WithLogFields returns a copy of parent with fields added to the logger.
func WithLogFields(parent *Context, fields logrus.Fields) *Context {
	return &Context{Context: parent.Context, Log: parent.Log.WithFields(fields)}
}
