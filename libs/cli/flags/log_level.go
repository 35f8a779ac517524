package flags

import (
	"fmt"
	"strings"

	"github.com/bftlabs/tmcore/libs/log"
)

// ParseLogLevel parses a log level given as a comma-separated list of
// "module:level" pairs, plus an optional "*:level" entry setting the
// default level for every module not otherwise named, e.g.
// "mempool:error,*:debug". A bare level with no module prefix
// ("debug") sets the default level directly. If no "*:level" or bare
// level entry is present, defaultLogLevelValue is used as the default.
func ParseLogLevel(lvl string, logger log.Logger, defaultLogLevelValue string) (log.Logger, error) {
	if lvl == "" {
		return nil, fmt.Errorf("empty log level")
	}

	l := lvl

	// prefix simple case (e.g. "info") to "*:info" so it is handled
	// uniformly below.
	if !strings.Contains(l, ":") {
		l = "*:" + l
	}

	options := make([]log.Option, 0)

	isDefaultSet := false
	defaultLevel := defaultLogLevelValue

	list := strings.Split(l, ",")
	for _, item := range list {
		listItem := strings.Split(item, ":")
		if len(listItem) != 2 {
			return nil, fmt.Errorf("expected list in a form of \"module:level\" pairs, given pair %s, list %s", item, l)
		}
		module, level := listItem[0], listItem[1]

		if module == "*" {
			option, err := log.AllowLevel(level)
			if err != nil {
				return nil, fmt.Errorf("failed to parse default log level (pair %s, list %s): %w", item, l, err)
			}
			options = append(options, option)
			defaultLevel = level
			isDefaultSet = true
			continue
		}

		option, err := log.AllowLevelWith(level, "module", module)
		if err != nil {
			return nil, fmt.Errorf("failed to parse log level (pair %s, list %s): %w", item, l, err)
		}
		options = append(options, option)
	}

	if !isDefaultSet {
		option, err := log.AllowLevel(defaultLevel)
		if err != nil {
			return nil, fmt.Errorf("failed to parse default log level %q: %w", defaultLevel, err)
		}
		options = append(options, option)
	}

	return log.NewFilter(logger, options...), nil
}
