package language

import "strings"

// ExtractJavaClass returns the name of the public class that declares main.
//
// The scan is line based: the source must contain "public static void main",
// and the first line starting with "public class" supplies the name as its
// third field, cut at a fused "{". Annotations, extra modifiers or comments on
// that line are not understood.
func ExtractJavaClass(code string) (string, bool) {
	if !strings.Contains(code, "public static void main") {
		return "", false
	}

	for _, line := range strings.Split(code, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "public class") {
			continue
		}

		fields := strings.Fields(line)
		name := ""
		if len(fields) > 2 {
			name = fields[2]
		}
		if i := strings.Index(name, "{"); i >= 0 {
			name = name[:i]
		}
		name = strings.TrimSpace(name)
		return name, name != ""
	}

	return "", false
}
