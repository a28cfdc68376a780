package migrate

import "fmt"

// Logger receives progress messages. *logrus.Logger and *log.Logger both
// satisfy it.
type Logger interface {
	Printf(string, ...interface{})
	Println(...interface{})
}

// StdLogger prints progress to stdout, one message per line. Set it as
// Config.Logger when structured logs aren't needed. A nil Config.Logger
// discards progress.
type StdLogger struct{}

func (l StdLogger) Printf(s string, vs ...interface{}) {
	fmt.Printf(s+"\n", vs...)
}

func (l StdLogger) Println(vs ...interface{}) {
	fmt.Println(vs...)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...interface{}) {}
func (nopLogger) Println(...interface{})        {}
