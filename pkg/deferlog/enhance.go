package deferlog

import (
	"github.com/rs/zerolog"
)

// InfoWarn logs at info level, or at warn level with err attached.
// Meant for deferred result logging:
//
//	defer func() { deferlog.InfoWarn(err).Str("addr", addr).Msg("serve") }()
func InfoWarn(err error) *zerolog.Event {
	if err != nil {
		return Logger.Warn().Err(err)
	}

	return Logger.Info()
}

func DebugWarn(err error) *zerolog.Event {
	if err != nil {
		return Logger.Warn().Err(err)
	}

	return Logger.Debug()
}

func DebugError(err error) *zerolog.Event {
	if err != nil {
		return Logger.Error().Err(err)
	}

	return Logger.Debug()
}
