package config

import (
	_ "github.com/any-hub/cachekit/internal/plugins/bgsync"
	_ "github.com/any-hub/cachekit/internal/plugins/broadcast"
	_ "github.com/any-hub/cachekit/internal/plugins/cacheable"
	_ "github.com/any-hub/cachekit/internal/plugins/cachekey"
	_ "github.com/any-hub/cachekit/internal/plugins/expiration"
	_ "github.com/any-hub/cachekit/internal/plugins/rangereq"
)
