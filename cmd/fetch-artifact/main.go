package main

import "github.com/deepair-ml/fetch-artifact/internal/cli"

func main() {
	cli.Execute()
}
