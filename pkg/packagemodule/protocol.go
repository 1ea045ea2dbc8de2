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

// Package packagemodule implements the generic package-module protocol
// (C9): a line-oriented request/response exchange with an out-of-process
// provider executable over its stdin/stdout, plus a per-provider cache of
// installed/available packages and the present/absent actuators, per
//. The framing mirrors the child-process line-protocol shape used
// throughout the reference agent's service-discovery health checks: run
// a short-lived subprocess under a deadline, write a small request body
// to stdin, and scan line-delimited output from stdout.
package packagemodule

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/klog/v2"
)

// Verb is one of the wire protocol's request verbs.
type Verb string

const (
	VerbSupportsAPIVersion Verb = "supports-api-version"
	VerbGetPackageData     Verb = "get-package-data"
	VerbListInstalled      Verb = "list-installed"
	VerbListUpdates        Verb = "list-updates"
	VerbListUpdatesLocal   Verb = "list-updates-local"
	VerbRepoInstall        Verb = "repo-install"
	VerbFileInstall        Verb = "file-install"
	VerbRemove             Verb = "remove"
)

// SupportedAPIVersion is the only API version this engine speaks to a
// provider.
const SupportedAPIVersion = "1"

// Record is one parsed Key=Value response block ("Newline-
// delimited Key=Value lines on stdout"). list-installed and list-updates
// responses are a sequence of blank-line-separated blocks, one per
// package; get-package-data and supports-api-version responses are a
// single block.
type Record map[string]string

// Module is one external package-provider executable ("the
// engine invokes <module-path> <verb> with attribute payload on stdin").
type Module struct {
	Name string
	Path string

	// Timeout bounds one request/response exchange; a provider still running
	// when it elapses is killed. PollInterval is stored but not read by
	// Invoke.
	Timeout      time.Duration
	PollInterval time.Duration
}

// NewModule returns a Module with the default timeout/poll settings used
// throughout this engine's package actuators.
func NewModule(name, path string) *Module {
	return &Module{Name: name, Path: path, Timeout: 30 * time.Second, PollInterval: time.Second}
}

// Invoke runs one request/response exchange: `<path> <verb>` with attrs
// written as Key=Value lines (blank line terminated) on stdin, and the
// response parsed into one or more Records. A hung provider is killed
// once Timeout elapses, through the context deadline; PollInterval plays
// no part in it.
func (m *Module) Invoke(ctx context.Context, verb Verb, attrs map[string]string) ([]Record, error) {
	if m.Timeout <= 0 {
		m.Timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, m.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, m.Path, string(verb))
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("packagemodule %s: stdin pipe: %w", m.Name, err)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("packagemodule %s: start %s %s: %w", m.Name, m.Path, verb, err)
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				runtime.HandleError(fmt.Errorf("packagemodule %s: panic writing request: %v", m.Name, r))
			}
		}()
		for _, k := range sortedKeys(attrs) {
			fmt.Fprintf(stdin, "%s=%s\n", k, attrs[k])
		}
		fmt.Fprint(stdin, "\n")
		stdin.Close()
	}()

	waitErr := cmd.Wait()
	if ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("packagemodule %s: %s timed out after %s", m.Name, verb, m.Timeout)
	}
	if waitErr != nil {
		return nil, fmt.Errorf("packagemodule %s: %s exited with error: %w (stderr: %s)", m.Name, verb, waitErr, stderr.String())
	}

	return parseRecords(stdout.Bytes()), nil
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	// Deterministic ordering matters for test fixtures and for providers
	// that log their received attributes; it is not part of the wire
	// contract itself.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// parseRecords splits stdout into blank-line-separated Key=Value blocks.
// Unknown keys are retained rather than dropped ("Unknown keys are
// logged and ignored" — logging happens at the call site that interprets
// a specific key it expected and didn't find; this layer stays generic).
func parseRecords(out []byte) []Record {
	var records []Record
	cur := Record{}
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			if len(cur) > 0 {
				records = append(records, cur)
				cur = Record{}
			}
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			klog.V(3).InfoS("packagemodule: ignoring malformed response line", "line", line)
			continue
		}
		cur[k] = v
	}
	if len(cur) > 0 {
		records = append(records, cur)
	}
	return records
}

// CheckAPIVersion calls supports-api-version and rejects the module if it
// replies with anything other than the single line "1".
func (m *Module) CheckAPIVersion(ctx context.Context) error {
	records, err := m.Invoke(ctx, VerbSupportsAPIVersion, nil)
	if err != nil {
		return err
	}
	if len(records) != 1 {
		return fmt.Errorf("packagemodule %s: supports-api-version returned %d records, want 1", m.Name, len(records))
	}
	// A bare "1\n" with no "=" parses as a key with an empty value under
	// parseRecords' Key=Value rule, so accept either a literal top-level
	// version key or the degenerate case where the whole line is the
	// version token.
	for k, v := range records[0] {
		if k == SupportedAPIVersion && v == "" {
			return nil
		}
		if k == "ApiVersion" && v == SupportedAPIVersion {
			return nil
		}
	}
	return fmt.Errorf("packagemodule %s: unsupported API version (want %s)", m.Name, SupportedAPIVersion)
}

// PackageType is the Record["PackageType"] value from get-package-data.
type PackageType string

const (
	PackageTypeFile PackageType = "file"
	PackageTypeRepo PackageType = "repo"
)

// PackageInfo is the decoded shape of one package-describing Record
// (Name, Version, Architecture, plus PackageType and error fields).
type PackageInfo struct {
	Type         PackageType
	Name         string
	Version      string
	Architecture string
	Error        bool
	ErrorMessage string
}

func decodePackageInfo(r Record) PackageInfo {
	return PackageInfo{
		Type:         PackageType(r["PackageType"]),
		Name:         r["Name"],
		Version:      r["Version"],
		Architecture: r["Architecture"],
		Error:        r["Error"] != "" && r["Error"] != "0" && strings.ToLower(r["Error"]) != "false",
		ErrorMessage: r["ErrorMessage"],
	}
}

// GetPackageData resolves the package type and current metadata for name
// by calling get-package-data.
func (m *Module) GetPackageData(ctx context.Context, name string) (PackageInfo, error) {
	records, err := m.Invoke(ctx, VerbGetPackageData, map[string]string{"Name": name})
	if err != nil {
		return PackageInfo{}, err
	}
	if len(records) == 0 {
		return PackageInfo{}, fmt.Errorf("packagemodule %s: get-package-data returned no records for %q", m.Name, name)
	}
	info := decodePackageInfo(records[0])
	if info.Error {
		return info, fmt.Errorf("packagemodule %s: get-package-data: %s", m.Name, info.ErrorMessage)
	}
	return info, nil
}

// ListInstalled returns every installed package the provider reports.
func (m *Module) ListInstalled(ctx context.Context) ([]PackageInfo, error) {
	records, err := m.Invoke(ctx, VerbListInstalled, nil)
	if err != nil {
		return nil, err
	}
	return decodeAll(records), nil
}

// ListUpdates returns the available-updates set, bypassing (a full
// network refresh) vs. ListUpdatesLocal (cache-only).
func (m *Module) ListUpdates(ctx context.Context) ([]PackageInfo, error) {
	records, err := m.Invoke(ctx, VerbListUpdates, nil)
	if err != nil {
		return nil, err
	}
	return decodeAll(records), nil
}

// ListUpdatesLocal asks the provider for its last-cached update set
// without refreshing from the network.
func (m *Module) ListUpdatesLocal(ctx context.Context) ([]PackageInfo, error) {
	records, err := m.Invoke(ctx, VerbListUpdatesLocal, nil)
	if err != nil {
		return nil, err
	}
	return decodeAll(records), nil
}

func decodeAll(records []Record) []PackageInfo {
	out := make([]PackageInfo, len(records))
	for i, r := range records {
		out[i] = decodePackageInfo(r)
	}
	return out
}

// RepoInstall asks the provider to install name at version/arch from its
// configured repository.
func (m *Module) RepoInstall(ctx context.Context, name, version, arch string) error {
	return m.installOrRemove(ctx, VerbRepoInstall, map[string]string{"Name": name, "Version": version, "Architecture": arch})
}

// FileInstall asks the provider to install from a local package file.
func (m *Module) FileInstall(ctx context.Context, filePath, name, version, arch string) error {
	return m.installOrRemove(ctx, VerbFileInstall, map[string]string{"File": filePath, "Name": name, "Version": version, "Architecture": arch})
}

// Remove asks the provider to uninstall name.
func (m *Module) Remove(ctx context.Context, name, version, arch string) error {
	return m.installOrRemove(ctx, VerbRemove, map[string]string{"Name": name, "Version": version, "Architecture": arch})
}

func (m *Module) installOrRemove(ctx context.Context, verb Verb, attrs map[string]string) error {
	records, err := m.Invoke(ctx, verb, attrs)
	if err != nil {
		return err
	}
	for _, r := range records {
		if r["Error"] != "" && r["Error"] != "0" {
			return fmt.Errorf("packagemodule %s: %s: %s", m.Name, verb, r["ErrorMessage"])
		}
	}
	return nil
}
