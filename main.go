package main

import "github.com/tgkiet/air-quality-weather-meteo/cmd"

func main() {
	cmd.Execute()
}
