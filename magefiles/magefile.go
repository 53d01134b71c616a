//go:build mage

// Tools for building and maintaining the mesh daemon.
package main

import (
	"os"

	"github.com/magefile/mage/sh"
)

// Builds the node daemon into ./bin/servald.
func Build() error {
	_, err := sh.Exec(nil, os.Stdout, os.Stderr, "go", "build", "-o", "bin/servald", ".")
	return err
}

// Runs all tests.
// Tests are run with -race.
func Test() error {
	_, err := sh.Exec(nil, os.Stdout, os.Stderr, "go", "test", "./...", "-race", "-count=1")
	return err
}

// Runs go vet across the module.
func Vet() error {
	_, err := sh.Exec(nil, os.Stdout, os.Stderr, "go", "vet", "./...")
	return err
}
