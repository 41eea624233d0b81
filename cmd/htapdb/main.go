package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/htapdb/htapdb/engine"
	"github.com/htapdb/htapdb/pkg/config"
)

func main() {
	dataDir := flag.String("data-dir", "", "database data directory (overrides config data_dir)")
	configPath := flag.String("config", "", "path to config.json (defaults to HTAPDB_CONFIG env or ./config.json)")
	inMemory := flag.Bool("in-memory", false, "run with no on-disk persistence")
	flag.Parse()

	var cfg *config.Config
	if *configPath != "" {
		loaded, err := config.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("htapdb: failed to load config: %v", err)
		}
		cfg = loaded
	} else {
		cfg = config.LoadConfigOrDefault()
	}

	var db *engine.Engine
	var err error
	if *inMemory {
		db, err = engine.OpenInMemory(engine.Options{Config: cfg})
	} else {
		path := cfg.DataDir
		if *dataDir != "" {
			path = *dataDir
		}
		if path == "" {
			path = "./data"
		}
		db, err = engine.Open(path, engine.Options{Config: cfg})
	}
	if err != nil {
		log.Fatalf("htapdb: failed to open engine: %v", err)
	}

	fmt.Println("htapdb engine open")
	fmt.Printf("durability: %s, tables: %v\n", cfg.Durability, db.TableNames())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("htapdb: shutting down")
	if err := db.Close(); err != nil {
		log.Fatalf("htapdb: error during shutdown: %v", err)
	}
}
