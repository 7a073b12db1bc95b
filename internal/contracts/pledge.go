// Package contracts holds the ABI of the on-chain pledge escrow contract.
package contracts

// PledgeEscrowABI describes the contract the Ethereum facade talks to. Reverts
// carry the same reason codes as the service errors (e.g. "DeadlinePassed").
// The status field of getPledge is the Solidity enum Ongoing=0, Completed=1,
// Missed=2.
const PledgeEscrowABI = `[
  {
    "type": "function",
    "name": "createPledge",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "description", "type": "string"},
      {"name": "stake", "type": "uint256"},
      {"name": "deadline", "type": "uint64"}
    ],
    "outputs": [{"name": "pledgeId", "type": "uint64"}]
  },
  {
    "type": "function",
    "name": "markCompleted",
    "stateMutability": "nonpayable",
    "inputs": [],
    "outputs": []
  },
  {
    "type": "function",
    "name": "withdrawOrBurn",
    "stateMutability": "nonpayable",
    "inputs": [{"name": "subject", "type": "address"}],
    "outputs": []
  },
  {
    "type": "function",
    "name": "getPledge",
    "stateMutability": "view",
    "inputs": [{"name": "owner", "type": "address"}],
    "outputs": [
      {"name": "id", "type": "uint64"},
      {"name": "creator", "type": "address"},
      {"name": "description", "type": "string"},
      {"name": "stake", "type": "uint256"},
      {"name": "deadline", "type": "uint64"},
      {"name": "completed", "type": "bool"},
      {"name": "status", "type": "uint8"},
      {"name": "createdAt", "type": "uint64"},
      {"name": "completedAt", "type": "uint64"}
    ]
  },
  {
    "type": "event",
    "name": "PledgeCreated",
    "anonymous": false,
    "inputs": [
      {"name": "pledgeId", "type": "uint64", "indexed": true},
      {"name": "creator", "type": "address", "indexed": true},
      {"name": "description", "type": "string", "indexed": false},
      {"name": "stake", "type": "uint256", "indexed": false},
      {"name": "deadline", "type": "uint64", "indexed": false}
    ]
  },
  {
    "type": "event",
    "name": "PledgeCompleted",
    "anonymous": false,
    "inputs": [
      {"name": "pledgeId", "type": "uint64", "indexed": true},
      {"name": "creator", "type": "address", "indexed": true}
    ]
  },
  {
    "type": "event",
    "name": "PledgeMissed",
    "anonymous": false,
    "inputs": [
      {"name": "pledgeId", "type": "uint64", "indexed": true},
      {"name": "creator", "type": "address", "indexed": true},
      {"name": "sink", "type": "address", "indexed": false}
    ]
  }
]`
