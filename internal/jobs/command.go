package jobs

import (
	"fmt"
	"strings"
)

// shellQuote wraps s in single quotes so it survives the remote shell
// untouched.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func shellQuoteAll(paths []string) string {
	quoted := make([]string, len(paths))
	for i, p := range paths {
		quoted[i] = shellQuote(p)
	}
	return strings.Join(quoted, " ")
}

func pullCommand(image string) string {
	return "docker pull " + shellQuote(image)
}

// archiveSizeMarker prefixes the byte-size line emitted after a
// successful archive creation so the controller can pick it out of the
// tar file listing.
const archiveSizeMarker = "ARCHIVE_BYTES"

func archiveCreateCommand(archive string, paths []string) string {
	q := shellQuote(archive)
	return fmt.Sprintf("tar -czvf %s -- %s && printf '%s %%s\\n' \"$(wc -c < %s)\"",
		q, shellQuoteAll(paths), archiveSizeMarker, q)
}

func archiveExtractCommand(archive, dest string) string {
	return fmt.Sprintf("mkdir -p -- %s && tar -xzvf %s -C %s",
		shellQuote(dest), shellQuote(archive), shellQuote(dest))
}

func deleteCommand(path string) string {
	return "rm -rf -- " + shellQuote(path)
}

func moveCommand(path, dest string) string {
	return fmt.Sprintf("mv -- %s %s/", shellQuote(path), shellQuote(dest))
}
