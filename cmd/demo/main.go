// Command demo exercises the storage engine directly: open an
// environment, write a few keys in one transaction, commit, then read
// them back in a fresh read-only transaction. It intentionally has no
// flags, REPL, or output format beyond plain log lines — the public
// API/CLI surface on top of the engine is out of scope.
package main

import (
	"fmt"
	"log"
	"os"

	"btreedb/store"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: demo <datafile>")
		os.Exit(2)
	}

	env, err := store.Open(os.Args[1], store.Options{
		Durability: store.DurabilitySteady,
	})
	if err != nil {
		log.Fatalf("open: %v", err)
	}
	defer env.Close()

	wtx, err := env.BeginWrite()
	if err != nil {
		log.Fatalf("begin write: %v", err)
	}
	if err := wtx.Put([]byte("hello"), []byte("world")); err != nil {
		log.Fatalf("put: %v", err)
	}
	if err := wtx.Put([]byte("foo"), []byte("bar")); err != nil {
		log.Fatalf("put: %v", err)
	}
	if err := wtx.Commit(); err != nil {
		log.Fatalf("commit: %v", err)
	}

	rtx, err := env.Begin()
	if err != nil {
		log.Fatalf("begin read: %v", err)
	}
	val, ok, err := rtx.Get([]byte("hello"))
	if err != nil {
		log.Fatalf("get: %v", err)
	}
	if !ok {
		log.Fatal("key not found")
	}
	fmt.Printf("hello = %s\n", val)
	rtx.Commit()
}
