//go:build mage
// +build mage

package main

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/magefile/mage/mg"
)

// Default target to run when none is specified
// If not set, running mage will list available targets
var Default = Build

// Build compiles both commands into ./bin.
func Build() error {
	mg.Deps(BuildFinder, BuildFitter)
	fmt.Println("Compilation finished")
	return nil
}

func BuildFinder() error {
	return buildCommand("finder")
}

func BuildFitter() error {
	return buildCommand("fitter")
}

// Test runs the unit tests. HDF5 and SQLite need cgo.
func Test() error {
	cmd := exec.Command("go", "test", "./...")
	cmd.Env = cgoEnv()
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func buildCommand(name string) error {
	fmt.Printf("Building %s executable...\n", name)
	cmd := exec.Command("go", "build", "-o", "./bin/"+name, "./"+name)
	cmd.Env = cgoEnv()
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func cgoEnv() []string {
	return append(os.Environ(),
		"CGO_ENABLED=1",
		fmt.Sprintf("CGO_LDFLAGS=%s", os.Getenv("CGO_LDFLAGS")),
		fmt.Sprintf("CGO_CFLAGS=%s", os.Getenv("CGO_CFLAGS")))
}
