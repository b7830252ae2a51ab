package main

import "github.com/andresmejia3/cranalytics/cmd"

func main() {
	cmd.Execute()
}
