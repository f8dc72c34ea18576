package logger

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type ColorScheme struct {
	Reset  string
	Red    string
	Green  string
	Yellow string
	Blue   string
	Purple string
	Cyan   string
	Gray   string
	Bold   string
}

var (
	// ANSI color codes
	colors = ColorScheme{
		Reset:  "\033[0m",
		Red:    "\033[31m",
		Green:  "\033[32m",
		Yellow: "\033[33m",
		Blue:   "\033[34m",
		Purple: "\033[35m",
		Cyan:   "\033[36m",
		Gray:   "\033[37m",
		Bold:   "\033[1m",
	}

	noColors = ColorScheme{}

	// exactly three digits, 200-599
	statusCodeRegex = regexp.MustCompile(`^[2-5]\d{2}$`)
)

// Init replaces the global logger. Colours are only used when stdout is a terminal.
func Init(env string) {
	scheme := noColors
	if isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		scheme = colors
	}

	log.Logger = New(os.Stdout, scheme, env)

	switch env {
	case "development", "local":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// New builds a console logger writing to w.
func New(w io.Writer, scheme ColorScheme, env string) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: "02.01.2006 15:04:05",
		NoColor:    scheme == noColors,
		FormatLevel: func(i interface{}) string {
			level := strings.ToUpper(fmt.Sprintf("%s", i))
			switch level {
			case "DEBUG":
				return fmt.Sprintf("%s●%s", scheme.Gray, scheme.Reset)
			case "INFO":
				return fmt.Sprintf("%s●%s", scheme.Blue, scheme.Reset)
			case "WARN":
				return fmt.Sprintf("%s●%s", scheme.Yellow, scheme.Reset)
			case "ERROR", "FATAL":
				return fmt.Sprintf("%s●%s", scheme.Red, scheme.Reset)
			default:
				return level
			}
		},
		FormatMessage: func(i interface{}) string {
			msg := fmt.Sprintf("%-35s", i)

			switch {
			case strings.TrimSpace(msg) == "request":
				return fmt.Sprintf("%s%s%s", scheme.Gray, msg, scheme.Reset)
			case strings.HasPrefix(strings.TrimSpace(msg), "purge"):
				return fmt.Sprintf("%s%s%s", scheme.Purple, msg, scheme.Reset)
			}

			return msg
		},
		FormatFieldName: func(i interface{}) string {
			return fmt.Sprintf("%s%s%s=", scheme.Cyan, i, scheme.Reset)
		},
		FormatFieldValue: func(i interface{}) string {
			val := fmt.Sprintf("%s", i)

			switch val {
			case "GET", "POST", "PUT", "DELETE", "PATCH":
				return fmt.Sprintf("%s%s%s", scheme.Purple, val, scheme.Reset)
			}

			if statusCodeRegex.MatchString(val) {
				switch val[0] {
				case '2':
					return fmt.Sprintf("%s%s%s", scheme.Green, val, scheme.Reset)
				case '3':
					return fmt.Sprintf("%s%s%s", scheme.Yellow, val, scheme.Reset)
				case '4', '5':
					return fmt.Sprintf("%s%s%s", scheme.Red, val, scheme.Reset)
				}
			}

			return val
		},
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Str("env", env).
		Logger()
}
