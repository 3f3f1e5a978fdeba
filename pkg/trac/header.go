// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

package trac

import (
	"time"

	"github.com/google/uuid"

	"tracdap.io/tracdap/pkg/tracerr"
)

// TagHeader identifies one tag: an object, one of its versions and one tag
// version on that object version, with the timestamps and latest flags the
// store assigned when the tag was written.
type TagHeader struct {
	ObjectType      ObjectType `json:"objectType"`
	ObjectID        uuid.UUID  `json:"objectId"`
	ObjectVersion   int        `json:"objectVersion"`
	TagVersion      int        `json:"tagVersion"`
	ObjectTimestamp time.Time  `json:"objectTimestamp"`
	TagTimestamp    time.Time  `json:"tagTimestamp"`
	IsLatestObject  bool       `json:"isLatestObject"`
	IsLatestTag     bool       `json:"isLatestTag"`
}

// Selector returns a selector addressing exactly this tag.
func (h TagHeader) Selector() TagSelector {
	return TagSelector{
		ObjectType:    h.ObjectType,
		ObjectID:      h.ObjectID,
		ObjectVersion: h.ObjectVersion,
		TagVersion:    h.TagVersion,
	}
}

// TagSelector addresses a tag by explicit versions or by latest
// wildcards, independently on each axis. An explicit version is set in
// ObjectVersion/TagVersion; the wildcard flags take precedence when set.
type TagSelector struct {
	ObjectType    ObjectType `json:"objectType"`
	ObjectID      uuid.UUID  `json:"objectId"`
	ObjectVersion int        `json:"objectVersion,omitempty"`
	TagVersion    int        `json:"tagVersion,omitempty"`
	LatestObject  bool       `json:"latestObject,omitempty"`
	LatestTag     bool       `json:"latestTag,omitempty"`
}

// LatestSelector addresses the latest tag of the latest version of an object.
func LatestSelector(objectType ObjectType, id uuid.UUID) TagSelector {
	return TagSelector{
		ObjectType:   objectType,
		ObjectID:     id,
		LatestObject: true,
		LatestTag:    true,
	}
}

// Verify checks that the selector addresses something that can exist.
func (s TagSelector) Verify() error {
	if err := s.ObjectType.Verify(); err != nil {
		return err
	}
	if s.ObjectID == uuid.Nil {
		return tracerr.New(tracerr.Validation, "selector has no object id")
	}
	if !s.LatestObject && s.ObjectVersion < 1 {
		return tracerr.New(tracerr.Validation,
			"selector for %s needs an explicit object version or the latest flag", s.ObjectID)
	}
	if !s.LatestTag && s.TagVersion < 1 {
		return tracerr.New(tracerr.Validation,
			"selector for %s needs an explicit tag version or the latest flag", s.ObjectID)
	}
	return nil
}
