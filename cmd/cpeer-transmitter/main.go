package main

import (
	_ "go.uber.org/automaxprocs"

	"cloupeer.io/transmitter/cmd/cpeer-transmitter/app"
)

func main() {
	app.NewApp().Run()
}
