package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "dashbot/pkg/logx"
)

func Timeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func PanicRecover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					req.Logger.Error("panic recovered",
						logx.Any("panic", r),
						logx.Stack(string(debug.Stack())),
					)
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

func RequestLog() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			fields := []logx.Field{
				logx.String("channel", req.Message.ChannelID),
				logx.String("from", req.Message.FromID),
				logx.Int("args", len(req.Args)),
				logx.Duration("dur", time.Since(start)),
			}
			if err != nil {
				req.Logger.Warn("command failed", append(fields, logx.Err(err))...)
			} else {
				req.Logger.Info("command ok", fields...)
			}
			return err
		}
	}
}
