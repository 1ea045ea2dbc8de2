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

// Package changetracker implements the on-disk change-tracking database
// (C8): per-file content digests, stat fingerprints and directory
// membership snapshots, plus the append-only change log.
package changetracker

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"io"
	"os"
)

// DigestTag identifies a supported content-hash algorithm. Tags are fixed
// at 7 characters (padded) for the on-disk H_ key layout.
type DigestTag string

const (
	MD5    DigestTag = "MD5"
	SHA1   DigestTag = "SHA1"
	SHA224 DigestTag = "SHA224"
	SHA256 DigestTag = "SHA256"
	SHA384 DigestTag = "SHA384"
	SHA512 DigestTag = "SHA512"
	// Best resolves to SHA256 at digest time: the strongest algorithm this
	// build supports without requiring the policy author to name one.
	Best DigestTag = "best"
)

// digestSize is the raw byte length of each tag's digest, used both to
// size the H_ value buffer and to validate one read back from the store.
var digestSize = map[DigestTag]int{
	MD5:    md5.Size,
	SHA1:   sha1.Size,
	SHA224: sha256.Size224,
	SHA256: sha256.Size,
	SHA384: sha512.Size384,
	SHA512: sha512.Size,
}

func resolveTag(tag DigestTag) DigestTag {
	if tag == Best {
		return SHA256
	}
	return tag
}

// newHasher returns the hash.Hash implementation for tag.
func newHasher(tag DigestTag) (hash.Hash, error) {
	switch resolveTag(tag) {
	case MD5:
		return md5.New(), nil
	case SHA1:
		return sha1.New(), nil
	case SHA224:
		return sha256.New224(), nil
	case SHA256:
		return sha256.New(), nil
	case SHA384:
		return sha512.New384(), nil
	case SHA512:
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("changetracker: unsupported digest tag %q", tag)
	}
}

// DigestFile computes tag's digest of the file at path.
func DigestFile(path string, tag DigestTag) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("changetracker: open %s: %w", path, err)
	}
	defer f.Close()

	h, err := newHasher(tag)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(h, f); err != nil {
		return nil, fmt.Errorf("changetracker: digest %s: %w", path, err)
	}
	return h.Sum(nil), nil
}

// paddedTag renders tag into the fixed 7-character field used by the H_
// key layout.
func paddedTag(tag DigestTag) string {
	s := string(resolveTag(tag))
	if len(s) >= 7 {
		return s[:7]
	}
	return s + string(make([]byte, 7-len(s)))
}
