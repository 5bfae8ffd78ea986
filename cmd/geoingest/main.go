// geoingest - geospatial ingestion and publication service.
package main

func main() {
	Execute()
}
