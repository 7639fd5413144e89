package malloc

import "io"
import "fmt"

import "github.com/bnclabs/golog"

// Sink receives human readable diagnostics from allocators. Each call
// is one line without trailing newline. Sinks are pure observers,
// allocators never depend on them for correctness.
type Sink interface {
	// Dumpf for output requested by application, like block maps and
	// leak lists.
	Dumpf(format string, v ...interface{})

	// Errorf for misuse and corruption reports.
	Errorf(format string, v ...interface{})
}

type logsink struct{}

// Logsink return a Sink that writes to golog, dumps at info level
// and reports at error level.
func Logsink() Sink {
	return logsink{}
}

func (logsink) Dumpf(format string, v ...interface{}) {
	log.Infof(format+"\n", v...)
}

func (logsink) Errorf(format string, v ...interface{}) {
	log.Errorf(format+"\n", v...)
}

type writersink struct {
	w io.Writer
}

// Writersink return a Sink that writes every line to `w`, reports are
// prefixed with "error: ".
func Writersink(w io.Writer) Sink {
	return &writersink{w: w}
}

func (sink *writersink) Dumpf(format string, v ...interface{}) {
	fmt.Fprintf(sink.w, format+"\n", v...)
}

func (sink *writersink) Errorf(format string, v ...interface{}) {
	fmt.Fprintf(sink.w, "error: "+format+"\n", v...)
}
