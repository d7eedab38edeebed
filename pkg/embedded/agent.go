// Package embedded carries artifacts compiled into the controller binary.
// The in-container agent is shipped this way so nodes need neither a shared
// volume nor network access to the controller to obtain it.
package embedded

import _ "embed"

//go:embed blue_agent.py
var blueAgent []byte

// Agent returns the agent script injected into every batch container.
func Agent() []byte {
	return blueAgent
}
