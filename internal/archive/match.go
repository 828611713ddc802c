package archive

import (
	"path"
	"strings"
)

// Match reports whether the slash-separated relative path name matches
// pattern. Segments are compared with path.Match and a "**" segment matches
// any number of directories, including none. A pattern without a slash is
// compared against the base name only, so "*.log" matches at any depth.
func Match(pattern, name string) (bool, error) {
	if !strings.Contains(pattern, "/") {
		return path.Match(pattern, path.Base(name))
	}
	return matchSegments(strings.Split(pattern, "/"), strings.Split(name, "/"))
}

func matchSegments(pat, name []string) (bool, error) {
	for len(pat) > 0 {
		if pat[0] == "**" {
			rest := pat[1:]
			for i := 0; i <= len(name); i++ {
				ok, err := matchSegments(rest, name[i:])
				if err != nil || ok {
					return ok, err
				}
			}
			return false, nil
		}
		if len(name) == 0 {
			return false, nil
		}
		ok, err := path.Match(pat[0], name[0])
		if err != nil || !ok {
			return false, err
		}
		pat, name = pat[1:], name[1:]
	}
	return len(name) == 0, nil
}

// matchAny reports whether any pattern matches name.
func matchAny(patterns []string, name string) (bool, error) {
	for _, p := range patterns {
		ok, err := Match(p, name)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// Selected applies the include and exclude lists to name. An empty include
// list selects everything; excludes always win.
func Selected(include, exclude []string, name string) (bool, error) {
	if len(include) > 0 {
		ok, err := matchAny(include, name)
		if err != nil || !ok {
			return false, err
		}
	}
	excluded, err := matchAny(exclude, name)
	if err != nil {
		return false, err
	}
	return !excluded, nil
}
