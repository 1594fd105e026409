package store

import (
	"log"
	"os"
)

// Logger is the package-wide logging sink. It defaults to the standard
// library logger, mirroring the teacher's use of the top-level `log`
// package; an embedder may swap it out before calling Open.
var Logger = log.New(os.Stderr, "store: ", log.LstdFlags)
