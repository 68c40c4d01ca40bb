// Copyright 2016-2019 Authors of Cilium
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

package logging

import (
	"github.com/go-logr/logr"
	"github.com/sirupsen/logrus"
)

// logrSink adapts logrus onto the logr.LogSink interface so
// controller-runtime's manager and controllers log through the same
// process-wide logrus logger as the rest of the agent.
type logrSink struct {
	entry *logrus.Entry
	name  string
}

var _ logr.LogSink = (*logrSink)(nil)

// NewLogrSink returns a logr.Logger backed by DefaultLogger, scoped to
// subsys, for handing to ctrl.SetLogger / manager.Options.Logger.
func NewLogrSink(subsys string) logr.Logger {
	return logr.New(&logrSink{entry: WithSubsys(subsys)})
}

func (l *logrSink) Init(info logr.RuntimeInfo) {}

func (l *logrSink) Enabled(level int) bool { return true }

func (l *logrSink) Info(level int, msg string, keysAndValues ...interface{}) {
	l.withFields(keysAndValues).Info(msg)
}

func (l *logrSink) Error(err error, msg string, keysAndValues ...interface{}) {
	l.withFields(keysAndValues).WithError(err).Error(msg)
}

func (l *logrSink) WithValues(keysAndValues ...interface{}) logr.LogSink {
	fields := fieldsFromPairs(keysAndValues)
	return &logrSink{entry: l.entry.WithFields(fields), name: l.name}
}

func (l *logrSink) WithName(name string) logr.LogSink {
	full := name
	if l.name != "" {
		full = l.name + "." + name
	}
	return &logrSink{entry: l.entry.WithField("logger", full), name: full}
}

func (l *logrSink) withFields(keysAndValues []interface{}) *logrus.Entry {
	if len(keysAndValues) == 0 {
		return l.entry
	}
	return l.entry.WithFields(fieldsFromPairs(keysAndValues))
}

func fieldsFromPairs(keysAndValues []interface{}) logrus.Fields {
	fields := make(logrus.Fields, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		fields[key] = keysAndValues[i+1]
	}
	return fields
}
