package config

import (
	"fmt"
	"io"
	"os"
)

// exitFunc and stderr are swapped by tests.
var (
	exitFunc           = os.Exit
	stderr   io.Writer = os.Stderr
)

// Exitf writes a formatted fatal message to stderr and exits with code 1.
func Exitf(format string, args ...any) {
	fmt.Fprintf(stderr, format+"\n", args...)
	exitFunc(1)
}

// ExitOnError calls Exitf with the given context when err is non-nil.
func ExitOnError(err error, context string) {
	if err == nil {
		return
	}
	Exitf("%s: %v", context, err)
}
