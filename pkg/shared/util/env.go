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
	"fmt"
	"os"
	"strconv"
)

// LookupEnvBoolOr returns the boolean value of the environment variable key,
// or defaultValue when it is unset or empty. A malformed value panics.
func LookupEnvBoolOr(key string, defaultValue bool) bool {
	valStr, ok := os.LookupEnv(key)
	if !ok || valStr == "" {
		return defaultValue
	}
	val, err := strconv.ParseBool(valStr)
	if err != nil {
		panic(fmt.Errorf("invalid value for env variable %q, value %q", key, valStr))
	}
	return val
}
