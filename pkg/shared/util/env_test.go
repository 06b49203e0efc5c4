/*
Copyright 2022 The Numaproj Authors.

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


package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLookupEnvBoolOr(t *testing.T) {
	const key = "PROJECTION_TEST_FLAG"
	assert.True(t, LookupEnvBoolOr(key, true))

	t.Setenv(key, "")
	assert.False(t, LookupEnvBoolOr(key, false))

	t.Setenv(key, "true")
	assert.True(t, LookupEnvBoolOr(key, false))

	t.Setenv(key, "0")
	assert.False(t, LookupEnvBoolOr(key, true))

	t.Setenv(key, "yes please")
	assert.Panics(t, func() { LookupEnvBoolOr(key, false) })
}
