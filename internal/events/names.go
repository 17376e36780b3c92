package events

import "fmt"

// Shared signal names raised by the primary.
const (
	AssetsChange      = "OnAssetsChange"
	HostEnterPlayMode = "OnHostEnterPlayMode"
	HostExitPlayMode  = "OnHostExitPlayMode"
)

// QuitRequest names the signal asking instance id to quit.
func QuitRequest(id string) string {
	return fmt.Sprintf("QuitRequest (%s)", id)
}

// InstanceReady names the signal a secondary raises once its host is up.
func InstanceReady(id string) string {
	return fmt.Sprintf("InstanceReady (%s)", id)
}
