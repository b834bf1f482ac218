package xcookie

import glog "github.com/goliatone/go-logger/glog"

const (
	loggerName            = "xcookie"
	channelLoggerName     = "xcookie.channel"
	frameLoggerName       = "xcookie.frame"
	sharedStoreLoggerName = "xcookie.sharedstore"
	storeLoggerName       = "xcookie.store"
)

type loggers struct {
	root        glog.Logger
	frame       glog.Logger
	channel     glog.Logger
	sharedStore glog.Logger
	store       glog.Logger
}

func resolveLoggers(provider glog.LoggerProvider, logger glog.Logger) loggers {
	provider, root := glog.Resolve(loggerName, provider, logger)
	root = glog.Ensure(root)
	named := func(name string) glog.Logger {
		if provider == nil {
			return root
		}
		if l := provider.GetLogger(name); l != nil {
			return glog.Ensure(l)
		}
		return root
	}
	return loggers{
		root:        root,
		frame:       named(frameLoggerName),
		channel:     named(channelLoggerName),
		sharedStore: named(sharedStoreLoggerName),
		store:       named(storeLoggerName),
	}
}
