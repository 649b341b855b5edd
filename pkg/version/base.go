// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024-present Datadog, Inc.

// Package version defines the version of the gridmimic binaries.
package version

// AgentVersion contains the version of the agent and server binaries.
// It is populated at build time using build flags.
var AgentVersion string

// Commit is populated with the short commit hash from which the binaries were built.
var Commit string

var agentVersionDefault = "0.4.0"

func init() {
	if AgentVersion == "" {
		AgentVersion = agentVersionDefault
	}
}
