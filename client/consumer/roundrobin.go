package consumer

import "sort"

// assignRoundRobin distributes partitions across group members: sorted
// (topic, partition) pairs are dealt in order to sorted member ids, skipping
// members not subscribed to the pair's topic. With identical subscriptions
// (the common case) the result differs in size by at most one partition
// between members.
func assignRoundRobin(subscriptions map[string][]string, partitionsByTopic map[string][]int32) map[string]map[string][]int32 {
	members := make([]string, 0, len(subscriptions))
	for m := range subscriptions {
		members = append(members, m)
	}
	sort.Strings(members)

	subscribed := make(map[string]map[string]bool, len(members))
	for m, topics := range subscriptions {
		set := make(map[string]bool, len(topics))
		for _, t := range topics {
			set[t] = true
		}
		subscribed[m] = set
	}

	topics := make([]string, 0, len(partitionsByTopic))
	for t := range partitionsByTopic {
		topics = append(topics, t)
	}
	sort.Strings(topics)

	assignment := make(map[string]map[string][]int32, len(members))
	for _, m := range members {
		assignment[m] = make(map[string][]int32)
	}
	i := 0
	for _, topic := range topics {
		partitions := append([]int32(nil), partitionsByTopic[topic]...)
		sort.Slice(partitions, func(a, b int) bool { return partitions[a] < partitions[b] })
		for _, p := range partitions {
			for tries := 0; tries < len(members); tries++ {
				m := members[i%len(members)]
				i++
				if subscribed[m][topic] {
					assignment[m][topic] = append(assignment[m][topic], p)
					break
				}
			}
		}
	}
	return assignment
}
