package shell

import "fmt"

// Greet is the command exposed to the UI through the command bridge.
func (b *Binding) Greet(name string) string {
	return fmt.Sprintf("Hello, %s! Welcome to %s.", name, b.appName)
}
