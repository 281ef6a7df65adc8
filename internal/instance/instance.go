// Copyright 2022 The codesjoy Authors.
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

// Package instance provides process instance information: the application
// name, plus the namespace, version and metadata read from the application
// config.
package instance

import (
	"sync"

	"github.com/codesjoy/bifrost/config"
)

var global = &instance{}

// Init initializes the instance information from the application config.
func Init(appName string) {
	info := struct {
		Namespace string            `mapstructure:"namespace"`
		Version   string            `mapstructure:"version"`
		Metadata  map[string]string `mapstructure:"metadata"`
	}{}
	_ = config.Get(config.Join(config.KeyBase, "application")).Scan(&info)
	if info.Metadata == nil {
		info.Metadata = make(map[string]string)
	}
	global = &instance{
		name:      appName,
		namespace: info.Namespace,
		version:   info.Version,
		metadata:  info.Metadata,
	}
}

// Name returns the name of the instance.
func Name() string {
	return global.name
}

// Namespace returns the namespace of the instance.
func Namespace() string {
	return global.namespace
}

// Version returns the version of the instance.
func Version() string {
	return global.version
}

// Metadata returns a copy of the instance metadata.
func Metadata() map[string]string {
	return global.Metadata()
}

type instance struct {
	name      string
	namespace string
	version   string
	mu        sync.RWMutex
	metadata  map[string]string
}

func (i *instance) Metadata() map[string]string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	md := make(map[string]string, len(i.metadata))
	for k, v := range i.metadata {
		md[k] = v
	}
	return md
}
