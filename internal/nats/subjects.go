package nats

// Subjects are built from the configured prefix:
//
//	{prefix}.room     room broadcasts, every node subscribes
//	{prefix}.user     direct deliveries to a user's primary session
//	{prefix}.primary  a node took over a user's primary session
type Subjects struct {
	Room    string
	User    string
	Primary string
}

func NewSubjects(prefix string) Subjects {
	if prefix == "" {
		prefix = "civic.realtime"
	}
	return Subjects{
		Room:    prefix + ".room",
		User:    prefix + ".user",
		Primary: prefix + ".primary",
	}
}
