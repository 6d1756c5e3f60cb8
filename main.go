package main

import "github.com/example/face-attendance/cmd"

func main() {
	cmd.Execute()
}
