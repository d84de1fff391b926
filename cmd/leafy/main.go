package main

import "github.com/MeKo-Tech/leafy/cmd/leafy/cmd"

func main() {
	cmd.Execute()
}
