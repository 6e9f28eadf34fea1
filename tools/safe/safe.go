package safe

import (
	"github.com/quckapp/quckapp-sub001/logger"
)

// SafeGo starts a goroutine that recovers from panic, so a fault in one
// connection's or one entity's task never takes down the process.
func SafeGo(name string, f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("[SafeGo] %s panic recovered: %v", name, r)
			}
		}()
		f()
	}()
}

// Recover is the deferred form for loops that own their goroutine.
func Recover(name string) {
	if r := recover(); r != nil {
		logger.Errorf("[%s] panic recovered: %v", name, r)
	}
}
