// Package kconsole is the kernel's console: a thin fmt.Fprintf wrapper
// around an io.Writer, in a kprintf-via-fmt.Printf idiom. There is no
// structured logging framework here -- a kernel-style console is a
// direct stdout writer, not a structured log sink.
package kconsole

import (
	"fmt"
	"io"
	"os"
	"sync"
)

var (
	mu  sync.Mutex
	out io.Writer = os.Stdout
)

// SetOutput redirects console output, mainly so tests can capture it.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
}

// Printf writes a formatted line to the console.
func Printf(format string, args ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	fmt.Fprintf(out, format, args...)
}
