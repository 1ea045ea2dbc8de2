/*
Copyright 2024 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

 http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package changetracker

import (
	"fmt"
	"os"
	"strings"
	"time"

	"k8s.io/klog/v2"
)

// logChange appends one line to the change log: a
// newline-delimited, append-only file of
// "<unix-ts>,<promise-handle>,<path>,<N|R|C|S>,<free-text>" records. now
// is resolved internally (time.Now) rather than threaded through, since
// this is an audit trail of wall-clock events, not a piece of evaluation
// state that needs to be reproducible within one run.
func (s *Store) logChange(promiseHandle, path, code string) {
	if s.logPath == "" {
		return
	}
	if writable, err := groupOtherWritable(s.logPath); err == nil && writable {
		klog.ErrorS(nil, "changetracker: refusing to log, change log is group/other writable", "path", s.logPath)
		return
	}

	line := fmt.Sprintf("%d,%s,%s,%s,\n", time.Now().Unix(), promiseHandle, path, code)

	f, err := os.OpenFile(s.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		klog.ErrorS(err, "changetracker: could not open change log", "path", s.logPath)
		return
	}
	defer f.Close()

	if _, err := f.WriteString(line); err != nil {
		klog.ErrorS(err, "changetracker: could not append to change log", "path", s.logPath)
		return
	}
	if err := f.Sync(); err != nil {
		klog.ErrorS(err, "changetracker: could not fsync change log", "path", s.logPath)
	}
}

func groupOtherWritable(path string) (bool, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return fi.Mode().Perm()&0o022 != 0, nil
}

// ParseChangeLogLine splits one change-log record back into its fields,
// used by report tooling to summarize a run's on-disk changes.
func ParseChangeLogLine(line string) (unixTS int64, promiseHandle, path, code, freeText string, err error) {
	parts := strings.SplitN(strings.TrimRight(line, "\n"), ",", 5)
	if len(parts) < 4 {
		return 0, "", "", "", "", fmt.Errorf("changetracker: malformed change log line %q", line)
	}
	var ts int64
	if _, err := fmt.Sscanf(parts[0], "%d", &ts); err != nil {
		return 0, "", "", "", "", fmt.Errorf("changetracker: bad timestamp in line %q: %w", line, err)
	}
	text := ""
	if len(parts) == 5 {
		text = parts[4]
	}
	return ts, parts[1], parts[2], parts[3], text, nil
}
