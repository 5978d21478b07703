package riot

import "strconv"

var queueNames = map[int]string{
	400:  "Normal Draft",
	420:  "Ranked Solo/Duo",
	440:  "Ranked Flex",
	450:  "ARAM",
	490:  "Quickplay",
	1700: "Arena",
}

// QueueName returns a display name for a match-v5 queueId.
func QueueName(queueID int) string {
	if n, ok := queueNames[queueID]; ok {
		return n
	}
	return "Queue " + strconv.Itoa(queueID)
}
