// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

package trac

import (
	"encoding/json"

	"tracdap.io/tracdap/pkg/tracerr"
)

// ObjectDefinition is the immutable payload of one object version. Exactly
// one body field is set and it must agree with ObjectType.
type ObjectDefinition struct {
	ObjectType ObjectType          `json:"objectType"`
	Data       *DataDefinition     `json:"data,omitempty"`
	Model      *ModelDefinition    `json:"model,omitempty"`
	Flow       *FlowDefinition     `json:"flow,omitempty"`
	Job        *JobDefinition      `json:"job,omitempty"`
	File       *FileDefinition     `json:"file,omitempty"`
	Storage    *StorageDefinition  `json:"storage,omitempty"`
	Schema     *SchemaDefinition   `json:"schema,omitempty"`
	Config     *ConfigDefinition   `json:"config,omitempty"`
	Resource   *ResourceDefinition `json:"resource,omitempty"`
	Custom     *CustomDefinition   `json:"custom,omitempty"`
}

// DataDefinition describes a dataset: its schema, either embedded or by
// reference, and where its storage lives.
type DataDefinition struct {
	SchemaID  *TagSelector      `json:"schemaId,omitempty"`
	Schema    *SchemaDefinition `json:"schema,omitempty"`
	StorageID *TagSelector      `json:"storageId,omitempty"`
	DataItem  string            `json:"dataItem,omitempty"`
}

// ModelDefinition locates executable model code and declares its parameters.
type ModelDefinition struct {
	Language   string                    `json:"language"`
	Repository string                    `json:"repository"`
	Path       string                    `json:"path,omitempty"`
	EntryPoint string                    `json:"entryPoint"`
	Version    string                    `json:"version"`
	Parameters map[string]TypeDescriptor `json:"parameters,omitempty"`
}

// FlowDefinition is a directed graph of model, input and output nodes.
type FlowDefinition struct {
	Nodes map[string]FlowNode `json:"nodes"`
	Edges []FlowEdge          `json:"edges"`
}

// FlowNode is one vertex in a flow graph.
type FlowNode struct {
	NodeType string   `json:"nodeType"`
	Inputs   []string `json:"inputs,omitempty"`
	Outputs  []string `json:"outputs,omitempty"`
}

// FlowEdge connects an output socket to an input socket.
type FlowEdge struct {
	Source FlowSocket `json:"source"`
	Target FlowSocket `json:"target"`
}

// FlowSocket names one socket on one node.
type FlowSocket struct {
	Node   string `json:"node"`
	Socket string `json:"socket,omitempty"`
}

// JobDefinition describes a unit of work for the orchestrator.
type JobDefinition struct {
	JobType    string                 `json:"jobType"`
	Target     *TagSelector           `json:"target,omitempty"`
	Parameters map[string]Value       `json:"parameters,omitempty"`
	Inputs     map[string]TagSelector `json:"inputs,omitempty"`
	Outputs    map[string]TagSelector `json:"outputs,omitempty"`
}

// FileDefinition describes an unstructured file held in bulk storage.
type FileDefinition struct {
	Name      string       `json:"name"`
	Extension string       `json:"extension,omitempty"`
	MimeType  string       `json:"mimeType,omitempty"`
	Size      int64        `json:"size"`
	StorageID *TagSelector `json:"storageId,omitempty"`
	DataItem  string       `json:"dataItem,omitempty"`
}

// StorageDefinition records where each data item of an object physically
// lives.
type StorageDefinition struct {
	DataItems map[string]StorageItem `json:"dataItems"`
}

// StorageItem is the physical location of a single data item.
type StorageItem struct {
	StorageKey       string `json:"storageKey"`
	StoragePath      string `json:"storagePath"`
	StorageFormat    string `json:"storageFormat,omitempty"`
	IncarnationIndex int    `json:"incarnationIndex"`
}

// SchemaDefinition is a standalone schema object.
type SchemaDefinition struct {
	SchemaType string       `json:"schemaType"`
	Table      *TableSchema `json:"table,omitempty"`
}

// TableSchema describes a tabular dataset.
type TableSchema struct {
	Fields []FieldSchema `json:"fields"`
}

// FieldSchema describes one column of a table schema.
type FieldSchema struct {
	FieldName   string    `json:"fieldName"`
	FieldType   BasicType `json:"fieldType"`
	Label       string    `json:"label,omitempty"`
	BusinessKey bool      `json:"businessKey,omitempty"`
	Categorical bool      `json:"categorical,omitempty"`
	NotNull     bool      `json:"notNull,omitempty"`
}

// ConfigDefinition is a named bag of settings managed through the store.
type ConfigDefinition struct {
	ConfigType string            `json:"configType"`
	Properties map[string]string `json:"properties,omitempty"`
}

// ResourceDefinition declares an external resource such as a storage
// bucket or model repository.
type ResourceDefinition struct {
	ResourceType string            `json:"resourceType"`
	Protocol     string            `json:"protocol"`
	Properties   map[string]string `json:"properties,omitempty"`
}

// CustomDefinition carries third-party content with its own schema tag.
type CustomDefinition struct {
	SchemaType    string          `json:"schemaType"`
	SchemaVersion int             `json:"schemaVersion"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// Verify checks the definition declares a valid type and carries exactly
// the matching body.
func (d *ObjectDefinition) Verify() error {
	if d == nil {
		return tracerr.New(tracerr.Validation, "object definition is missing")
	}
	if err := d.ObjectType.Verify(); err != nil {
		return err
	}

	bodies := map[ObjectType]bool{
		ObjectData:     d.Data != nil,
		ObjectModel:    d.Model != nil,
		ObjectFlow:     d.Flow != nil,
		ObjectJob:      d.Job != nil,
		ObjectFile:     d.File != nil,
		ObjectStorage:  d.Storage != nil,
		ObjectSchema:   d.Schema != nil,
		ObjectConfig:   d.Config != nil,
		ObjectResource: d.Resource != nil,
		ObjectCustom:   d.Custom != nil,
	}

	if !bodies[d.ObjectType] {
		return tracerr.New(tracerr.Validation,
			"definition of type %s has no %s body", d.ObjectType, d.ObjectType)
	}
	for objectType, present := range bodies {
		if present && objectType != d.ObjectType {
			return tracerr.New(tracerr.Validation,
				"definition of type %s also carries a %s body", d.ObjectType, objectType)
		}
	}
	return nil
}
