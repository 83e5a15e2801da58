package sandbox

import _ "embed"

// DefaultImage is the tag of the execution environment image.
const DefaultImage = "mcp-exec-env:latest"

//go:embed Dockerfile.exec
var execDockerfile []byte
