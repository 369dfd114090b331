package config

import (
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// WatchSessionToken watches the config file and calls fn whenever the
// effective auth.session_token changes. It reports false when no config
// file was read, in which case nothing is watched.
func (c *Config) WatchSessionToken(logger zerolog.Logger, fn func(token string)) bool {
	if c.File() == "" {
		return false
	}

	c.v.OnConfigChange(sessionTokenHandler(c.Auth.SessionToken, func() string {
		return c.v.GetString("auth.session_token")
	}, logger, fn))
	c.v.WatchConfig()

	logger.Debug().Str("file", c.File()).Msg("Watching config file for session token changes")
	return true
}

// sessionTokenHandler returns an fsnotify callback that forwards token
// changes to fn. Events that leave the token unchanged are ignored.
func sessionTokenHandler(initial string, current func() string, logger zerolog.Logger, fn func(string)) func(fsnotify.Event) {
	var mu sync.Mutex
	last := initial

	return func(e fsnotify.Event) {
		token := current()

		mu.Lock()
		changed := token != last
		last = token
		mu.Unlock()

		if !changed {
			return
		}

		logger.Info().
			Str("file", e.Name).
			Str("op", e.Op.String()).
			Bool("cleared", token == "").
			Msg("Session token changed")
		fn(token)
	}
}
