// The mailwatch command keeps GMail push watches alive and forwards new
// mail to the triage service and to live listeners.
package main

import "github.com/matta/mailwatch/internal/app"

func main() {
	app.Execute()
}
