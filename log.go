// Copyright 2016 the usbuart Authors.  All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package usbuart

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// LogLevel is the engine logging threshold.
type LogLevel int32

const (
	LogSilent LogLevel = iota
	LogError
	LogWarning
	LogInfo
	LogDebug
)

// log is the package logger. Silent maps to panic level: the engine never
// panics through logrus, so nothing is emitted.
var log = logrus.New()

var logLevel atomic.Int32

func init() {
	logLevel.Store(int32(LogWarning))
	log.SetLevel(logrus.WarnLevel)
}

var logrusLevels = map[LogLevel]logrus.Level{
	LogSilent:  logrus.PanicLevel,
	LogError:   logrus.ErrorLevel,
	LogWarning: logrus.WarnLevel,
	LogInfo:    logrus.InfoLevel,
	LogDebug:   logrus.DebugLevel,
}

// SetLogLevel sets the logging threshold and returns the previous one. Safe
// to call from any goroutine at any time.
func SetLogLevel(lvl LogLevel) LogLevel {
	l, ok := logrusLevels[lvl]
	if !ok {
		return LogLevel(logLevel.Load())
	}
	old := LogLevel(logLevel.Swap(int32(lvl)))
	log.SetLevel(l)
	return old
}
