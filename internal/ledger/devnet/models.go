package devnet

// Room is a RoomManager room.
type Room struct {
	RoomID           string `gorm:"column:room_id;primaryKey;size:66"`
	Name             string `gorm:"column:name;not null"`
	Creator          string `gorm:"column:creator;size:42;not null"`
	QuestionCount    uint64 `gorm:"column:question_count;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

func (Room) TableName() string {
	return "devnet_rooms"
}

// Admin grants one address admin rights in one room.
type Admin struct {
	RoomID         string `gorm:"column:room_id;primaryKey;size:66"`
	Address        string `gorm:"column:address;primaryKey;size:42"`
	Position       uint64 `gorm:"column:position;not null"`
	AddedAtSeconds int64  `gorm:"column:added_at_s;not null"`
}

func (Admin) TableName() string {
	return "devnet_admins"
}

// Ban blocks one address from posting or voting in one room.
type Ban struct {
	RoomID          string `gorm:"column:room_id;primaryKey;size:66"`
	Address         string `gorm:"column:address;primaryKey;size:42"`
	BannedAtSeconds int64  `gorm:"column:banned_at_s;not null"`
}

func (Ban) TableName() string {
	return "devnet_bans"
}

// Question is one entry of a room's question array.
type Question struct {
	RoomID           string `gorm:"column:room_id;primaryKey;size:66"`
	QuestionID       uint64 `gorm:"column:question_id;primaryKey;autoIncrement:false"`
	Author           string `gorm:"column:author;size:42;not null"`
	Content          string `gorm:"column:content;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpvoteCount      uint64 `gorm:"column:upvote_count;not null"`
	DownvoteCount    uint64 `gorm:"column:downvote_count;not null"`
	IsRead           bool   `gorm:"column:is_read;not null"`
	IsDeleted        bool   `gorm:"column:is_deleted;not null"`
}

func (Question) TableName() string {
	return "devnet_questions"
}

// Vote records one direction of one voter on one question.
type Vote struct {
	RoomID        string `gorm:"column:room_id;primaryKey;size:66"`
	QuestionID    uint64 `gorm:"column:question_id;primaryKey;autoIncrement:false"`
	Voter         string `gorm:"column:voter;primaryKey;size:42"`
	IsUpvote      bool   `gorm:"column:is_upvote;primaryKey"`
	CastAtSeconds int64  `gorm:"column:cast_at_s;not null"`
}

func (Vote) TableName() string {
	return "devnet_votes"
}

// Transaction is the persisted outcome of one write.
type Transaction struct {
	TxHash       string `gorm:"column:tx_hash;primaryKey;size:66"`
	Sender       string `gorm:"column:sender;size:42;not null"`
	Method       string `gorm:"column:method;size:64;not null"`
	BlockNumber  uint64 `gorm:"column:block_number;index;not null"`
	Reverted     bool   `gorm:"column:reverted;not null"`
	RevertReason string `gorm:"column:revert_reason"`
	MinedAtS     int64  `gorm:"column:mined_at_s;not null"`
}

func (Transaction) TableName() string {
	return "devnet_transactions"
}

// Models lists every table the development ledger needs.
func Models() []any {
	return []any{&Room{}, &Admin{}, &Ban{}, &Question{}, &Vote{}, &Transaction{}}
}
