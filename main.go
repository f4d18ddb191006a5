package main

import "github.com/ValentinKolb/dNomad/cmd"

func main() {
	cmd.Execute()
}
