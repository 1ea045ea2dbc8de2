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

package app

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/convergent/agentcore/pkg/changetracker"
)

// digestTagValue is a pflag.Value restricting --digest to the tags the
// change tracker actually knows how to hash with, rather than accepting
// any string and failing later inside DigestFile.
type digestTagValue struct {
	tag changetracker.DigestTag
}

var validDigestTags = map[string]changetracker.DigestTag{
	"best":   changetracker.Best,
	"md5":    changetracker.MD5,
	"sha1":   changetracker.SHA1,
	"sha224": changetracker.SHA224,
	"sha256": changetracker.SHA256,
	"sha384": changetracker.SHA384,
	"sha512": changetracker.SHA512,
}

func (v *digestTagValue) String() string {
	if v.tag == "" {
		return "best"
	}
	return string(v.tag)
}

func (v *digestTagValue) Set(s string) error {
	tag, ok := validDigestTags[s]
	if !ok {
		return fmt.Errorf("unknown digest %q (want one of best, md5, sha1, sha224, sha256, sha384, sha512)", s)
	}
	v.tag = tag
	return nil
}

func (v *digestTagValue) Type() string { return "digestTag" }

var _ pflag.Value = (*digestTagValue)(nil)
