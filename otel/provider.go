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

// Package otel wires the process OpenTelemetry providers: a propagator and
// configurable tracer/meter provider builders.
package otel

import (
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/codesjoy/bifrost/config"
)

func init() {
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{}, propagation.Baggage{}))
}

// TracerProviderBuilder is a function that returns a TracerProvider.
type TracerProviderBuilder func(name string) (trace.TracerProvider, error)

// MeterProviderBuilder is a function that returns a MeterProvider.
type MeterProviderBuilder func(name string) (metric.MeterProvider, error)

var (
	mu             sync.RWMutex
	tracerBuilders = make(map[string]TracerProviderBuilder)
	meterBuilders  = make(map[string]MeterProviderBuilder)
)

// RegisterTracerProviderBuilder registers a TracerProviderBuilder.
func RegisterTracerProviderBuilder(name string, constructor TracerProviderBuilder) {
	mu.Lock()
	defer mu.Unlock()
	tracerBuilders[name] = constructor
}

// RegisterMeterProviderBuilder registers a MeterProviderBuilder.
func RegisterMeterProviderBuilder(name string, constructor MeterProviderBuilder) {
	mu.Lock()
	defer mu.Unlock()
	meterBuilders[name] = constructor
}

// Configure installs the providers named under bifrost.otel as the otel
// globals. Missing names leave the defaults in place.
func Configure() error {
	tracerName := config.GetString(config.Join(config.KeyBase, "otel", "tracerProvider"))
	if tracerName != "" {
		mu.RLock()
		b, ok := tracerBuilders[tracerName]
		mu.RUnlock()
		if !ok {
			return fmt.Errorf("otel: tracer provider builder %q not found", tracerName)
		}
		tp, err := b(tracerName)
		if err != nil {
			return err
		}
		otel.SetTracerProvider(tp)
	}
	meterName := config.GetString(config.Join(config.KeyBase, "otel", "meterProvider"))
	if meterName != "" {
		mu.RLock()
		b, ok := meterBuilders[meterName]
		mu.RUnlock()
		if !ok {
			return fmt.Errorf("otel: meter provider builder %q not found", meterName)
		}
		mp, err := b(meterName)
		if err != nil {
			return err
		}
		otel.SetMeterProvider(mp)
	}
	return nil
}
