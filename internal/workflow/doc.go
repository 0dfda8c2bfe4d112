// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev
//
// Package workflow holds the in-memory model of an execution graph as the
// remote server understands it, together with the override directives that
// parameterise it.
//
// # Core Concepts
//
//   - GraphTemplate: an API-format workflow document loaded from disk. It is an
//     ordered mapping from node id to a node descriptor (the node's kind, i.e.
//     its `class_type`, and its input slots). A template is read-only once
//     loaded; every binding operation works on its own deep copy.
//
//   - OverrideDirective: a single "set this parameter of this node" request.
//     Directives are applied in list order, so a later directive targeting the
//     same node and parameter wins.
//
//   - SubmissionGraph: the value-populated copy of a template that is handed to
//     the submitter. It serialises back to the server's JSON shape in the same
//     node order as the source document.
//
// Why keep document order?
//
// The server does not care about key order, but people diffing the submitted
// graph against the template do. Numbers are decoded as json.Number for the
// same reason: values nobody overrides are written back byte-for-byte.
package workflow
