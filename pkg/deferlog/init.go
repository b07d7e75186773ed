package deferlog

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
)

// Logger is used by the result helpers, its caller frame skips the helper.
var Logger zerolog.Logger

var StructLogger = zerolog.New(os.Stderr).
	With().Timestamp().Logger()

var ConsoleLogger = zerolog.New(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: time.StampMilli,
	FormatCaller: func(i interface{}) string {
		caller, _ := i.(string)
		if idx := strings.Index(caller, "/pkg/mod/"); idx > 0 {
			return caller[idx+9:]
		}
		if idx := strings.LastIndexByte(caller, '/'); idx > 0 {
			return caller[idx+1:]
		}
		return caller
	},
}).With().Timestamp().Logger()

func init() {
	zerolog.ErrorStackMarshaler = func(err error) interface{} {
		return pkgerrors.MarshalStack(err)
	}

	if ok, _ := strconv.ParseBool(os.Getenv("DEBUG")); ok {
		SetDefaultLogger(ConsoleLogger, zerolog.DebugLevel)

	} else if fi, err := os.Stderr.Stat(); err == nil && (fi.Mode()&os.ModeCharDevice) == 0 {
		SetDefaultLogger(StructLogger, zerolog.InfoLevel)

	} else {
		SetDefaultLogger(ConsoleLogger, zerolog.InfoLevel)
	}
}

// SetDefaultLogger installs logger as the global zerolog logger and as the
// logger behind the result helpers.
func SetDefaultLogger(logger zerolog.Logger, level zerolog.Level) {
	log.Logger = logger.With().Caller().Logger().Level(level)
	Logger = logger.With().CallerWithSkipFrameCount(3).Logger().Level(level)
}

// SetLevel changes the level of both loggers. DEBUG in the environment wins.
func SetLevel(level string) error {
	if ok, _ := strconv.ParseBool(os.Getenv("DEBUG")); ok {
		return nil
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return errors.Wrapf(err, "log level %q", level)
	}
	log.Logger = log.Logger.Level(lvl)
	Logger = Logger.Level(lvl)
	return nil
}
