package main

import "github.com/andresmejia3/moodlens/cmd"

func main() {
	cmd.Execute()
}
