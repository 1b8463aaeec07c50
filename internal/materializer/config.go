package materializer

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/lifestream-io/lifestream/internal/config"
)

// PartitionsEnvVar binds a materializer instance to specific partitions,
// as a comma-separated list of partition ids. Unset means all partitions.
const PartitionsEnvVar = "LIFESTREAM_MATERIALIZER_PARTITIONS"

// ErrBadPartitionList is returned when the partition binding cannot be parsed.
var ErrBadPartitionList = errors.New("invalid partition list")

// PartitionsFromEnv reads the optional partition binding. A bad value is an
// error rather than a fallback: an instance silently consuming the wrong
// partitions would double-apply or starve projections.
func PartitionsFromEnv() ([]int, error) {
	parts := config.ParseCommaSeparatedList(os.Getenv(PartitionsEnvVar))
	if len(parts) == 0 {
		return nil, nil
	}

	partitions := make([]int, 0, len(parts))

	for _, part := range parts {
		id, err := strconv.Atoi(part)
		if err != nil || id < 0 {
			return nil, fmt.Errorf("%w: %q", ErrBadPartitionList, part)
		}

		partitions = append(partitions, id)
	}

	return partitions, nil
}
