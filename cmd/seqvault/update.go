package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

func (c maincmd) check(ctx context.Context, fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	fetchers, err := c.r.Fetchers(ctx)
	if err != nil {
		return errors.Wrap(err, "building fetchers")
	}
	if len(fetchers) == 0 {
		return errors.New("no remotes or mirrors configured")
	}

	var lastErr error
	for i, f := range fetchers {
		avail, err := c.r.Manager.CheckUpdate(ctx, f)
		if err != nil {
			c.logger.Warn("checking for update", zap.Int("fetcher", i), zap.Error(err))
			lastErr = err
			continue
		}
		if avail {
			fmt.Println("update available")
		} else {
			fmt.Println("up to date")
		}
		return nil
	}
	return errors.Wrap(lastErr, "no fetcher answered")
}

func (c maincmd) update(ctx context.Context, fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	fetchers, err := c.r.Fetchers(ctx)
	if err != nil {
		return errors.Wrap(err, "building fetchers")
	}
	res, err := c.r.Manager.Update(ctx, fetchers...)
	if err != nil {
		return errors.Wrap(err, "updating")
	}
	return printJSON(res)
}
