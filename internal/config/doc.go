// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev
//
// Package config defines the application's settings model and the loader
// that reads it from HCL files.
//
// A Model always starts from Default. Each configuration file found on the
// given paths is decoded in lexical order and applied on top, so later files
// override earlier ones attribute by attribute, while `rule` blocks
// accumulate. Command-line flags are applied last by the caller.
package config
