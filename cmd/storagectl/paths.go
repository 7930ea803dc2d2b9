package main

import "fmt"

// tablePath renders the REST path for a table-scoped operation, using the
// default-branch shorthand restapi.go registers for branch == "" or
// "default", the sentinel naming the main line.
func tablePath(project, branch, bucket, table, suffix string) string {
	if branch == "" || branch == "default" {
		return fmt.Sprintf("/projects/%s/buckets/%s/tables/%s%s", project, bucket, table, suffix)
	}
	return fmt.Sprintf("/projects/%s/branches/%s/buckets/%s/tables/%s%s", project, branch, bucket, table, suffix)
}
