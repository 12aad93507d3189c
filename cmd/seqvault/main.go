// Command seqvault manages a content-addressed, versioned sequence database.
//
// Usage:
//
//	seqvault [-config FILE] SUBCOMMAND [ARGS]
//
// Subcommands:
//
//	ingest    chunk FASTA files into a new version
//	get       write a sequence to stdout
//	reps      list a sequence's representations
//	head      print the current manifest
//	versions  list committed versions
//	at        query the database as of a sequence time and taxonomy time
//	diff      compare two versions
//	check     ask remotes whether an update is available
//	update    fetch and apply the remote head
//	serve     serve this repository to others
//	gc        delete objects not needed by retained versions
//	verify    audit a version's integrity
//	sync      copy blobs between this repository's store and others
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/bobg/subcmd"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/bobg/seqvault/config"
	_ "github.com/bobg/seqvault/store/badger"
	_ "github.com/bobg/seqvault/store/file"
	_ "github.com/bobg/seqvault/store/gcs"
	_ "github.com/bobg/seqvault/store/logging"
	_ "github.com/bobg/seqvault/store/lru"
	_ "github.com/bobg/seqvault/store/mem"
	_ "github.com/bobg/seqvault/store/pebble"
	_ "github.com/bobg/seqvault/store/pg"
	_ "github.com/bobg/seqvault/store/sqlite3"
)

type maincmd struct {
	r      *config.Repo
	logger *zap.Logger
}

func main() {
	configFile := flag.String("config", "seqvault.json", "path to config file")
	flag.Parse()

	if *configFile == "" {
		log.Fatal("Config value not set")
	}

	conf, err := config.Load(*configFile)
	if err != nil {
		log.Fatal(err)
	}
	logger, err := conf.Logger()
	if err != nil {
		log.Fatalf("Building logger: %s", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	r, err := conf.Open(ctx, logger)
	if err != nil {
		logger.Fatal("opening repository", zap.Error(err))
	}
	defer r.Close()

	err = subcmd.Run(ctx, maincmd{r: r, logger: logger}, flag.Args())
	if err != nil {
		logger.Error("command failed", zap.Error(err))
		r.Close()
		logger.Sync()
		os.Exit(1)
	}
}

func (c maincmd) Subcmds() map[string]subcmd.Subcmd {
	return map[string]subcmd.Subcmd{
		"at":       c.at,
		"check":    c.check,
		"diff":     c.diff,
		"gc":       c.gc,
		"get":      c.get,
		"head":     c.head,
		"ingest":   c.ingest,
		"reps":     c.reps,
		"serve":    c.serve,
		"sync":     c.sync,
		"update":   c.update,
		"verify":   c.verify,
		"versions": c.versions,
	}
}

var layouts = []string{
	time.RFC3339Nano, time.RFC3339, "2006-01-02",
}

func parsetime(s string) (time.Time, error) {
	for _, layout := range layouts {
		t, err := time.Parse(layout, s)
		if err == nil { // sic
			return t, nil
		}
	}
	return time.Time{}, errors.Errorf("could not parse time %q", s)
}

// optTime parses s, or returns def if s is empty.
func optTime(s string, def time.Time) (time.Time, error) {
	if s == "" {
		return def, nil
	}
	return parsetime(s)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return errors.Wrap(enc.Encode(v), "writing JSON to stdout")
}
