package anchor

import (
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/golang/glog"
)

// HandleError runs do and converts a panic into the optional handlers.
// Fire-and-forget submission paths are wrapped with this so a failure
// never propagates past the producer's call site.
func HandleError(do func(), handlers ...any) (r any) {
	defer func() {
		if r = recover(); r != nil {
			glog.Warningf("Unexpected error: %s\n", ErrorJson(r, debug.Stack()))
			err, ok := r.(error)
			if !ok {
				err = fmt.Errorf("%s", r)
			}
			for _, handler := range handlers {
				switch v := handler.(type) {
				case func():
					v()
				case func(error):
					v(err)
				}
			}
		}
	}()
	do()
	return
}

func ErrorJson(err any, stack []byte) string {
	stackLines := []string{}
	for _, line := range strings.Split(string(stack), "\n") {
		stackLines = append(stackLines, strings.TrimSpace(line))
	}
	errorJson, _ := json.Marshal(map[string]any{
		"error": fmt.Sprintf("%T=%s", err, err),
		"stack": stackLines,
	})
	return string(errorJson)
}

func Trace(tag string, do func()) {
	start := time.Now()
	glog.Infof("[%-8s]%s (%d)\n", "start", tag, start.UnixMilli())
	do()
	end := time.Now()
	millis := float32(end.Sub(start)) / float32(time.Millisecond)
	glog.Infof("[%-8s]%s (%.2fms) (%d)\n", "end", tag, millis, end.UnixMilli())
}

func TraceWithReturnError[R any](tag string, do func() (R, error)) (result R, returnErr error) {
	start := time.Now()
	glog.Infof("[%-8s]%s (%d)\n", "start", tag, start.UnixMilli())
	result, returnErr = do()
	end := time.Now()
	millis := float32(end.Sub(start)) / float32(time.Millisecond)
	if returnErr != nil {
		glog.Infof("[%-8s]%s (%.2fms) (%d) err = %s\n", "end", tag, millis, end.UnixMilli(), returnErr)
	} else {
		glog.Infof("[%-8s]%s (%.2fms) (%d) = %v\n", "end", tag, millis, end.UnixMilli(), result)
	}
	return
}
